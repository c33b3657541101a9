// Package config 提供 agentbridge 的配置管理。
//
// 配置按 默认值 → YAML 文件 → 环境变量 的顺序叠加，
// 环境变量名由前缀与各级 env 标签拼接而成，例如 AGENTBRIDGE_CLIENT_POLL_ATTEMPTS。
package config
