// Package config 提供网关的配置管理功能。
//
// 配置按 默认值 → YAML 文件 → 环境变量 的优先级加载，
// 环境变量前缀为 LLM_GATEWAY。进程启动时加载一次，
// 运行期间不变。
package config
