// Copyright (c) AgentOrch Authors.
// Licensed under the MIT License.

/*
Package backend 定义编排核心的执行后端抽象。

# 概述

ExecutionBackend 是调度器执行一次 Activity 的唯一入口。上层模块只依赖这个
窄接口，因此可以在进程内直接执行和基于日志的持久化执行之间切换，而不改动
调度、路由或编排代码。

# 实现

  - InProcessBackend：透明直通：不重试、不计时，只负责把失败包装成 ActivityError
  - DurableBackend  ：以 Redis 为日志存储，按 Activity.Key 记录每次尝试与最终结果，
    自行执行超时与重试预算；已成功的 Activity 在重启后直接重放结果

# 错误

所有失败都以 *ActivityError 返回，并始终保留原始原因，
调用方可通过 errors.Is / errors.As 访问底层的 types.Error。
*/
package backend
