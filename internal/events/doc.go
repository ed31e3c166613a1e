// Package events доставляет события прогресса run подписчикам.
//
// Hub — подписки внутри процесса (стриминг через API). RedisSink
// дублирует события в Redis Streams. Multi объединяет несколько Sink.
package events
