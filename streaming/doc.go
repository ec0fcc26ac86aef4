// Copyright (c) AgentOrch Authors.
// Licensed under the MIT License.

/*
Package streaming 把当前持有会话发言权的 agent 的事件流转发给唯一的消费者。

# 概述

StreamRouter 订阅 handoff.Manager 的迁移事件。当发言权在流式输出过程中切换时，
它先排空旧事件源中已经产生的事件，关闭旧源，再为新的持有者打开事件源，
保证已投递的事件既不丢失也不重复。

# 事件源

  - ChannelSource：进程内 agent 通过 Emit 写入的缓冲事件源
  - ChannelHub：按 (会话, agent) 管理 ChannelSource 的 SourceFactory
  - WebSocketSource：通过 github.com/coder/websocket 读取远端 agent 推送的 JSON 事件
  - WebSocketConsumer：把事件写回调用方的 WebSocket 连接

# 去重

每个事件携带所属 agent 的序号 Seq。StreamRouter 记录每个 agent 已投递的最大序号，
序号不大于该值的事件被视为重复并丢弃，例如远端重连后的重放。
*/
package streaming
