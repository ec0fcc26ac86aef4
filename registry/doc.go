// Copyright (c) AgentOrch Authors.
// Licensed under the MIT License.

/*
包 registry 定义编排核心查询 Agent 身份的只读接口，并提供内存实现。

# 核心类型

  - AgentIdentity：Agent 身份，包含 ID、类型（本地 / 远程）、远程端点、能力与状态
  - AgentRegistry：只读查询接口，编排层用它校验候选 Agent
  - MemoryRegistry：线程安全的内存实现，支持按能力检索与状态更新

远程 Agent 可通过 RegisterRemote 从 config.A2AConfig.Agents 批量登记。
*/
package registry
