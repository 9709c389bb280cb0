// Package telemetry 初始化 OpenTelemetry SDK（OTLP gRPC，可选 TLS），
// 按组件提供 tracer（workflow、messagegraph），并在同一 MeterProvider 上
// 创建工作流与路由的 OTel 指标（Instruments）。
//
// 采样器跟随上游 span 的决定，跨 agent 的一次 run 保持在同一条 trace 中。
// 遥测禁用时只安装 W3C 传播器，不连接任何外部服务。
package telemetry
