// Package api содержит HTTP API сервер.
//
// Структура:
//   - handler.go        — Handler с DI (agent.Service, метрики, logger)
//   - routes.go         — регистрация маршрутов
//   - middleware.go     — middleware (logging, recovery, metrics)
//   - response.go       — унифицированные JSON-ответы и обработка ошибок
//   - dto.go            — Data Transfer Objects (request/response)
//   - run_handler.go    — обработчики для agent runs
//   - events_handler.go — поток событий run через WebSocket
//
// Ошибки ядра отображаются в HTTP статусы: ErrValidation → 400,
// ErrCapacity → 429, ErrNotFound → 404, остальное → 500.
package api
