// Package config 提供引擎的配置管理功能。
//
// 支持从 YAML 文件和环境变量加载配置（优先级：默认值 → 文件 → 环境变量），
// 并提供链定义目录的变更监听，用于运行期重载链定义。
package config
