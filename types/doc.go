// Copyright (c) AgentOrch Authors.
// Licensed under the MIT License.

/*
Package types 提供编排核心共享的结构化错误定义。

# 概述

types 是最底层的公共包，不依赖任何内部包。scheduler、router、handoff、
orchestration 等上层模块通过统一的 Error 类型表达错误分类，
调用方可以用 GetErrorCode / IsRetryable 判断错误语义，而无需关心具体来源。

# 错误分类

  - ErrTransientBackend ：执行后端暂时不可用，可重试
  - ErrTimeout          ：单次调用超时，在重试预算内可重试
  - ErrDelegateRejected ：委派被拒绝（输入或策略问题），不可重试
  - ErrInvalidTransition：状态机非法转换，属于契约违反，立即失败
  - ErrInvalidParent    ：父任务已处于终态
  - ErrNoCandidates / ErrAllDelegatesFailed：编排无可用结果
*/
package types
