/*
Package chain implements the chain execution engine: chain definitions,
the step dispatcher with retry/timeout/circuit-breaker policy, conditional
routing, sub-chain invocation, encrypted checkpointing, and the bounded
execution supervisor.

执行流程自顶向下：Supervisor → Runner → Invoker/Retryer/BreakerRegistry
（单步执行）与 ResolveRouting/EvaluateCondition（分支决策）；
CheckpointManager 在每一步提交后持久化执行状态。
*/
package chain
