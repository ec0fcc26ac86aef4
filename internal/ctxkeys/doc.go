// Copyright (c) AgentOrch Authors.
// Licensed under the MIT License.

// Package ctxkeys 定义在 HTTP 层、编排层与 A2A 客户端之间传递的 context 键，
// 目前包括请求 ID 与会话 ID。
package ctxkeys
