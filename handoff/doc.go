// Copyright (c) AgentOrch Authors.
// Licensed under the MIT License.

/*
包 handoff 跟踪每个会话当前由哪个 Agent 持有发言权，以及控制权交回的目标。

# 概述

会话开始时由主 Agent（primary）持有。Handoff 把发言权临时交给另一个 Agent，
并保证最终交回：每次交接把目标压入所有权栈，ReturnControl 弹出栈顶，
栈空时回到主 Agent。

# 状态机

	OWNED_BY_PRIMARY → HANDED_OFF → (RETURNED | HANDED_OFF_NESTED) → RETURNED

操作：

  - InitiateHandoff：仅允许从 OWNED_BY_PRIMARY 或 RETURNED 发起，进入 HANDED_OFF
  - NestHandoff：仅允许从 HANDED_OFF（含 HANDED_OFF_NESTED）发起，保留原返回地址
  - ReturnControl：弹栈；栈空回到 OWNED_BY_PRIMARY，否则回到下一个栈顶的 HANDED_OFF

不变量：状态不是 OWNED_BY_PRIMARY 时所有权栈必不为空。

# 并发

同一会话的交接操作通过以会话 ID 为键的锁串行执行，不同会话互不影响。
每次迁移都在会话副本上计算（写时复制），校验或审计写入失败时原会话保持不变。

# 通知

Subscribe 注册迁移监听器，StreamRouter 据此在交接时切换事件源。
配置 persistence.ConversationRepository 后，每次迁移都会写入审计记录。
*/
package handoff
