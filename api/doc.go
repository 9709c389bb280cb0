// Copyright (c) AgentFlow Authors.
// Licensed under the MIT License.

// Package api 定义 agentgraph 管理 API 的请求/响应类型与错误码。
//
// # 端点
//
//	GET  /health, /healthz, /ready, /version
//	GET  /v1/bus                                 总线概览
//	GET  /v1/graph                               路由图
//	POST /v1/dispatch                            通过路由图投递信封
//	GET  /v1/deadletters                         内存死信汇总
//	GET  /v1/deadletters/archive                 持久化死信查询
//	GET  /v1/deadletters/archive/counts          按原因统计
//	POST /v1/deadletters/archive/{id}/replay     重放死信
//	GET  /v1/streams/{stream}/ws                 流 WebSocket
//	GET  /v1/workflows                           工作流列表
//	POST /v1/workflows/{name}/runs               同步运行工作流
//
// # 认证
//
// 启用 auth 时，/v1 下的端点要求 HS256 签名的 Bearer JWT：
//
//	Authorization: Bearer <token>
package api
