// Package mq предоставляет инфраструктуру для работы с RabbitMQ.
//
// Структура:
//   - connection.go — управление соединением с RabbitMQ (reconnect, graceful shutdown)
//   - topology.go   — объявление exchanges, queues, bindings
//   - publisher.go  — публикация событий run и команд
//   - consumer.go   — потребление команд (отмена run)
//
// Типы сообщений:
//   - run.status      — run перешёл в новый статус
//   - step.completed  — шаг записан в хранилище
//   - run.cancel      — команда отмены от другого сервиса
//
// Exchanges:
//   - agentrun.events   — события прогресса (topic)
//   - agentrun.commands — команды (direct)
//   - agentrun.dlq      — dead letter queue
package mq
