// Copyright (c) AgentOrch Authors.
// Licensed under the MIT License.

/*
Package main 提供 agentorch 服务端程序入口。

# 概述

serve 子命令按配置装配全部组件：持久化（memory、redis、database）、
执行后端（inprocess、durable）、任务路由、调度器、交接管理、
远程 agent 注册与 A2A 调用、委派编排，以及基于 websocket 的事件流。

# HTTP 接口

  - /health、/ready、/version、/metrics
  - POST /api/v1/orchestrations：按策略执行一次委派
  - /api/v1/tasks/{id}：查询、列出子任务、取消任务树
  - /api/v1/conversations：开始、交接、归还、结束会话
  - /api/v1/conversations/{id}/events：本地 agent 推送事件
  - /api/v1/conversations/{id}/stream：websocket 订阅当前持有者的事件流

# 中间件

Recovery、RequestID、OTelTracing、MetricsMiddleware、RequestLogger，
按顺序由 Chain 串联。
*/
package main
