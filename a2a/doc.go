// Copyright (c) AgentOrch Authors.
// Licensed under the MIT License.

/*
Package a2a 实现远端 agent 之间的 Agent-to-Agent 调用。

# 概述

编排核心只依赖 orchestration.Invoker。本包提供该接口的远端实现：
Invoker 把一次委派尝试封装成 A2A 任务消息，交给 A2AClient 发送，
并把结果消息还原为 scheduler.Result。

# 错误分类

重试由调度器负责，客户端自身不重试，只负责把失败归类：

  - 网络错误、408/429/5xx、远端声明可重试的错误：TRANSIENT_BACKEND
  - 请求截止时间到期：TIMEOUT
  - 其他 4xx 以及远端拒绝：DELEGATE_REJECTED

# 服务端

Server 把本进程内的 Invoker 以 A2A HTTP 协议暴露出去，
同时在 /.well-known/agent.json 提供 AgentCard 以便发现。
*/
package a2a
