// Copyright (c) AgentFlow Authors.
// Licensed under the MIT License.

/*
Package metrics 把工作流、消息路由、AgentBus、Checkpoint 存储、死信归档库
与管理 API 的运行数据导出为 Prometheus 指标。

Collector 注册到调用方提供的 Registry（NewRegistry 附带 Go 运行时与进程
指标），Handler 返回对应的 /metrics 处理器。Collector 直接实现
workflow.Observer 与 messagegraph.DispatchObserver，可以挂到图执行器和
路由执行器上；总线计数器由自定义 prometheus.Collector 在采集时读取快照，
worker 池的规模与排队长度通过 RegisterPool 以 GaugeFunc 导出。
*/
package metrics
