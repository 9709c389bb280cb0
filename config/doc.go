// Package config 提供 AgentGraph 的配置加载：默认值 → YAML 文件 → 环境变量（AGENTGRAPH_ 前缀）→ 校验。
package config
