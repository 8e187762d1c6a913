/*
 *
 * Copyright 2023 CubeFS authors.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 *
 */

/*

# ShardTable: one logical table over many independent shards

## Model

* Record, <id, value, timestamp>, appended only. The same id may be written many times.

* Table, one named table with the same fixed schema on every shard.

* Shard, a process serving its own copy of the table from an embedded engine.

## Routing

Clients hash every key onto a consistent hash ring of virtual nodes and talk to the
owning shard directly. There is no directory service: the shard list is configuration,
loaded from the config file, a json/yaml registry file, or a redis hash.

Adding or removing one shard of N moves about 1/N of the keys. Rows already written
are not migrated.

## Architecture

* ShardServer, one per process, serving a single table over Arrow Flight

* Router, the client side ring plus a pool of flight connections

Every shard server also provides stats, metrics and log level endpoints over http.

### Wire

Arrow Flight. DoPut ingests record batches, DoGet redeems a lookup ticket,
GetFlightInfo describes the table and its endpoint.

### Storage

duckdb by default, or rocksdb for lookup only shards

## Building Blocks

* Arrow Flight
* gRPC
* DuckDB
* Rocksdb
* Prometheus

*/

package shardtable
