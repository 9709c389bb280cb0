// Copyright (c) AgentFlow Authors.
// Licensed under the MIT License.

/*
Package messagegraph 提供基于有序规则表的消息路由。

# 概述

MessageGraph 是一张经过校验的不可变路由表：规则按声明顺序求值，
第一条匹配的规则胜出。目标可以是 Agent（点对点）、Stream（带序号的流）、
Topic（扇出）或死信。引用未声明目标的路由表在 Validate 阶段即被拒绝，
永远不会进入 Dispatch。

# 投递

Executor.Dispatch 先递增 hop 计数，超过上限时以 hop_limit_exceeded 进入死信；
无规则匹配时以 no_route_match 进入死信；目标 Agent 未注册时以
target_unregistered 进入死信。Dispatch 从不向调用方返回错误，
结果通过 DispatchOutcome 报告。

# 谓词

  - Always / TypeEquals / HeaderEquals / FieldEquals
  - And / Or / Not 组合
  - Expr: 基于信封字段的布尔表达式，例如 type == "order.created" && risk == "high"
*/
package messagegraph
