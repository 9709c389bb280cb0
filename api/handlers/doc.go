// Copyright (c) AgentFlow Authors.
// Licensed under the MIT License.

/*
Package handlers 提供 agentgraph 管理 API 的请求处理器实现。

# 概述

handlers 包实现健康检查、总线查看、路由投递、死信查询与重放、
工作流同步运行以及流的 WebSocket 推送。所有 Handler 均遵循标准
net/http 接口，路径参数通过 Go 1.22 ServeMux 模式（r.PathValue）读取。

# 核心类型

  - HealthHandler: 服务健康检查（/health, /healthz, /ready, /version）
  - BusHandler: 总线概览、路由图、投递与内存死信汇总
  - ArchiveHandler: 持久化死信查询、按原因统计与重放
  - StreamHandler: 流消费者的 WebSocket 推送
  - WorkflowHandler: 已加载工作流的列表与同步运行
  - Response: 统一 JSON 响应结构（success、data、error、timestamp、request_id）

# 主要能力

  - 统一响应格式：WriteSuccess / WriteError / WriteJSON 辅助函数
  - 请求验证：DecodeJSONBody（1 MB 限制 + 严格模式）、ValidateContentType
  - ErrorFrom：总线、路由、工作流、checkpoint 与归档错误 → api.Error
  - api.ErrorCode → HTTP 状态码自动映射；5xx 记 Error 日志，4xx 记 Warn
  - 投递结果（含死信）统一以 200 返回，由 status 字段区分
  - 可扩展健康检查：PingCheck、BusHealthCheck 或自定义 HealthCheck
*/
package handlers
