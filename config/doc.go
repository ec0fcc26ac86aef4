// Copyright (c) AgentOrch Authors.
// Licensed under the MIT License.

/*
Package config 提供 AgentOrch 的配置管理功能。

配置按 默认值 → YAML 文件 → 环境变量 的顺序叠加，环境变量通过结构体的
env 标签映射（例如 AGENTORCH_SCHEDULER_MAX_CONCURRENT）。Loader 采用
Builder 模式，可挂载自定义验证器；Config.Validate 负责内置约束检查。
*/
package config
