// Package logx is crosspost's structured logger: a value-type wrapper over
// zerolog whose outputs can be swapped at runtime by a Service.
//
// Console output is human readable with a short file:line caller, file
// output is JSON. Records at or above the alert level are also forwarded,
// rate limited, to an AlertSender such as the operator Telegram chat.
package logx
