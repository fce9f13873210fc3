// Package persistence 提供检查点记录的持久化后端。
//
// 三种实现覆盖不同的部署形态：
//   - FileStore：单节点部署，每条记录一个 JSON 文件，原子写入；
//   - GormStore：关系库（SQLite 等），适合与既有数据库共置；
//   - RedisStore：分布式部署，多个引擎实例共享检查点。
//
// 所有实现满足 chain.CheckpointStore；密封与完整性校验发生在
// chain.CheckpointManager 一层，存储后端只搬运不透明字节。
package persistence
