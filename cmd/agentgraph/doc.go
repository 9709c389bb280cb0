// Copyright (c) AgentFlow Authors.
// Licensed under the MIT License.

/*
Package main 提供 agentgraph 服务端程序入口。

# 概述

cmd/agentgraph 加载 YAML 配置、路由表与工作流定义，在同一个
AgentBus 上运行消息路由执行器和工作流 agent，并通过 HTTP 暴露
管理 API、流订阅（WebSocket）与 Prometheus 指标。

# 核心类型

  - Server: 组装总线、路由、工作流 agent、Redis checkpoint、
    死信归档与 HTTP/Metrics 双端口
  - Middleware: HTTP 中间件函数签名 func(http.Handler) http.Handler
  - responseRecorder: 记录状态码与字节数，各中间件共用，支持 Hijack

# 主要能力

  - 子命令：serve、validate（只校验定义）、version、health
  - 中间件链：Recovery、RequestID、OTelTracing、SecurityHeaders、
    RequestLogger、MetricsMiddleware、CORS、RateLimiter、JWTAuth（HS256）
  - 鉴权开启时 dispatch、replay 与 workflow run 还要求 write_role 角色
  - 内置节点处理器：noop、finish、visit、emit
  - 启动时从 Redis 列出未完成的 run 并在工作池中继续执行
  - 优雅关闭：HTTP → agent → 工作池 → 归档 → 存储 → 总线 → 遥测
  - 构建注入：Version、BuildTime、GitCommit 通过 ldflags 设置
*/
package main
