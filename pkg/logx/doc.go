// Package logx is the zerolog wrapper every housekeeper component logs
// through.
//
// A Logger is a cheap value: the zero value discards everything and With
// derives a child carrying extra fields (comp, task, env). Loggers obtained
// from a Service follow its current sinks, so Service.Apply changes the level,
// console output and JSON file sink of every derived Logger at once.
package logx
