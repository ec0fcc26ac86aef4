// Copyright (c) AgentOrch Authors.
// Licensed under the MIT License.

/*
Package task 定义编排核心的任务模型与任务状态机。

# 核心模型

  - Task：一个可追踪的工作单元，包含父任务引用、所属 Agent、状态、
    只追加的消息序列、产出物（Artifact）与终态错误（TaskError）
  - Message：一次交互单元，由角色、有序的 Part 列表与时间戳组成
  - Artifact：任务产出的具名结果，挂载后不可变
  - TaskError：终态失败的分类错误，可携带源头子任务 ID

# 状态机

	SUBMITTED -> WORKING -> (INPUT_REQUIRED | COMPLETED | FAILED | CANCELLED)
	INPUT_REQUIRED -> WORKING

COMPLETED、FAILED、CANCELLED 为终态，不再接受消息或转换。
进入 FAILED 必须携带非空 TaskError。

Task 本身不是并发安全的；并发访问由 router.TaskRouter 按任务树串行化。
*/
package task
