// Copyright (c) AgentOrch Authors.
// Licensed under the MIT License.

/*
包 metrics 提供基于 Prometheus 的编排核心指标采集能力，覆盖
调度、任务状态、Handoff、编排策略、流式事件与 HTTP 六个维度。

# 概述

Collector 统一注册和记录 Prometheus 指标。注册通过 promauto.With 绑定到
调用方注入的 prometheus.Registerer（为 nil 时使用默认注册表），
所有指标按 namespace 隔离。Collector 的所有记录方法对 nil 接收者安全，
组件可以在未配置指标时直接传入 nil。

# 主要能力

  - 调度指标：尝试次数（按 agent/outcome）、尝试耗时、队列深度、拒绝次数
  - 任务指标：状态转换计数（from/to）
  - Handoff 指标：按操作与结果分组的转换计数
  - 编排指标：按策略与结果分组的执行次数与耗时、委派结果计数
  - 流式指标：按 agent 分组的投递事件数与去重丢弃数
  - HTTP 指标：请求总数与耗时，状态码归类为 2xx/3xx/4xx/5xx
*/
package metrics
