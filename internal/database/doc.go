// Copyright (c) AgentOrch Authors.
// Licensed under the MIT License.

/*
包 database 提供基于 GORM 的数据库连接管理，供 persistence.DatabaseStore 使用。

# 核心类型

  - Open：按 config.DatabaseConfig 的 driver 选择方言（postgres / mysql / sqlite）
    并建立 GORM 连接。sqlite 使用纯 Go 的 glebarez/sqlite，无需 CGO。
  - PoolManager：持有 GORM DB 与底层 sql.DB，负责连接池调优、后台健康检查
    与事务执行。
  - TransactionFunc：事务回调函数类型。

# 事务

WithTransaction 执行单次事务；WithTransactionRetry 对死锁、序列化失败、
连接中断等可重试错误按指数退避重试。
*/
package database
