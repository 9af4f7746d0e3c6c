// Package api 暴露守护者的只读状态接口：健康检查、反应日志查询与 Prometheus 指标。
package api
