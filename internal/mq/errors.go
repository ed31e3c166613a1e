package mq

import "errors"

// Ошибки пакета mq.
var (
	// ErrNoChannel — AMQP канал недоступен (соединение потеряно).
	ErrNoChannel = errors.New("no amqp channel available")

	// ErrConnectionClosed — соединение закрыто через Close.
	ErrConnectionClosed = errors.New("amqp connection closed")

	// ErrConsumerStarted — повторный вызов Consumer.Start.
	ErrConsumerStarted = errors.New("consumer already started")
)
