// Copyright (c) AgentOrch Authors.
// Licensed under the MIT License.

/*
Package persistence 提供任务与会话的持久化仓库。

# 接口

  - TaskRepository        ：CreateTask / SaveTask / AppendMessage / GetTask
  - ConversationRepository：AppendHandoff / ListHandoffs（Handoff 审计轨迹）

SaveTask 写入任务的状态、产物、错误与历史；消息只通过 AppendMessage 追加，
因此消息序列在所有实现中都是只增不改的。

# 实现

  - MemoryStore  ：进程内实现，用于开发与测试
  - RedisStore   ：任务以 JSON 存储，消息与 Handoff 记录使用 Redis List 追加
  - DatabaseStore：基于 GORM，支持 postgres / mysql / sqlite
*/
package persistence
