/*
Package types 提供链执行引擎的全局共享类型定义。

types 是最底层的公共包，不依赖任何内部包，为 chain、persistence、
config 等上层模块提供统一的类型契约。所有跨包共享的错误码均定义
于此，以避免循环依赖。

  - Error / ErrorCode：结构化错误体系，含 Retryable 标记与错误链
  - 错误工具链：AsError / IsErrorCode / IsRetryable
  - 常用错误构造：NewValidationError / NewStepTimeoutError / NewCircuitOpenError
*/
package types
