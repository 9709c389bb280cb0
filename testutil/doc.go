// Copyright (c) AgentFlow Authors.
// Licensed under the MIT License.

/*
Package testutil 提供 agentgraph 测试共用的总线与工作流工具。

  - NewBus 创建随测试关闭的总线，BusOption 调整容量
  - MustReceive / MustNotReceive 带超时地从 Inbox 或 StreamConsumer 取信封
  - EmissionRecorder 记录节点 Emission 并可转发给路由器
  - Logger 基于 zaptest，日志随测试输出

示例:

	b := testutil.NewBus(t, testutil.WithCapacity(1))
	inbox, _ := b.RegisterAgent("billing")
	env := testutil.MustReceive(t, inbox, time.Second)
*/
package testutil
