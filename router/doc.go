// Copyright (c) AgentOrch Authors.
// Licensed under the MIT License.

/*
Package router 维护任务树：为任务分配 ID、登记父子关系、写入终态并级联取消。

# 概述

TaskRouter 是父子索引的唯一修改者。每个入站请求对应一棵以根任务为根的任务树，
同一棵树内的修改通过以根任务 ID 为键的锁串行化，不同树之间互不阻塞。

# 核心操作

  - CreateTask：生成 UUID，登记父子边；父任务未知返回 ErrTaskNotFound，
    父任务已终结返回 *InvalidParentError
  - ChildrenOf / LiveChildren：按创建顺序返回子任务快照
  - Transition：非终态迁移；终态只能通过 MarkTerminal 写入，且只写一次
  - CancelTree：自叶向根取消所有未终结的后代，每个任务最终都处于 CANCELLED
  - WatchTerminal：任务进入终态时回调，供调度器与编排层等待

每次创建或更新都会同步写入 persistence.TaskRepository（若已配置）。
*/
package router
