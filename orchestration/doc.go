// Copyright (c) AgentOrch Authors.
// Licensed under the MIT License.

/*
包 orchestration 是编排核心的顶层协调器：为一个入站请求创建根任务，
按委派策略调度候选 Agent，并把子 Agent 结果聚合成一个响应。

# 委派策略

  - SEQUENTIAL：按固定顺序执行，后一个 Agent 收到前面所有输出作为上下文；
    遇到第一个失败即停止，后续 Agent 不会被调度
  - PARALLEL：并发执行全部候选（受调度器 MaxConcurrent 约束）并等待全部完成；
    默认单个失败不取消兄弟任务，FailurePolicy=cancel_on_fatal 时不可重试的失败会取消其余任务
  - FIRST_SUCCESS：并发执行，第一个成功者胜出，其余任务被取消并标记 Cancelled
  - BEST_OF：同 PARALLEL，随后用 Scorer 为成功结果打分并选出最佳

# 结果

Response 总是包含全部 SubAgentResult（包括被丢弃或取消的候选）。
只有在没有任何可用结果时才返回 *OrchestrationError（no_candidates 或
all_delegates_failed），此时根任务以 delegate_failure 进入 FAILED。

# 重试

编排层从不重试单个委派，重试由调度器负责。StrategyRetries 仅用于
FIRST_SUCCESS：一轮全部失败后，排除被拒绝的候选，对瞬时失败的候选重新选择。
*/
package orchestration
