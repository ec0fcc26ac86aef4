// Copyright (c) AgentOrch Authors.
// Licensed under the MIT License.

/*
Package scheduler 将 Agent 执行请求派发到执行后端。

# 概述

AgentScheduler 以有界 goroutine 池执行任务：最多 MaxConcurrent 个任务同时
运行，其余在容量为 QueueSize 的队列中等待，队列满时立即返回 ErrQueueFull。
每次尝试都带有 Timeout 限制；执行后端自身也有超时时，较窄的一方生效，
并且只记录一个 TaskError。

# 重试

只有 TRANSIENT_BACKEND 与 TIMEOUT 会被重试，最多 MaxRetries 次，
退避由调度器负责（指数退避 + 抖动）。DELEGATE_REJECTED、INVALID_TRANSITION
等错误立即失败。

# 取消

Cancel 通过 context 协作式取消：工作函数在下一个挂起点观察到取消，
任务以 CANCELLED 结束，已追加的消息保持不变。
*/
package scheduler
