/*
包 metrics 提供基于 Prometheus 的链执行引擎指标采集能力，覆盖
执行、步骤、重试、熔断与检查点五大维度。

# 概述

本包通过 Collector 统一注册和记录 Prometheus 指标，使用 promauto
工厂绑定到调用方传入的 Registerer（nil 时退回默认注册表），所有
指标按 namespace 隔离，便于 Grafana 等工具进行可视化与告警。

# 主要能力

  - 执行指标：执行总数（按 chain_id/status）、执行耗时 Histogram、
    在途执行数与排队深度 Gauge。
  - 步骤指标：步骤总数（按 chain_id/status）、步骤耗时 Histogram、
    重试计数（按依赖 target）。
  - 熔断指标：各 target 的状态 Gauge（0=closed, 1=open, 2=half_open）
    与状态迁移计数。
  - 检查点指标：存取操作计数，按 op/status 分组。
*/
package metrics
