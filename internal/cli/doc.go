// Package cli реализует инструмент командной строки agentctl.
//
// # Обзор
//
// CLI — клиентская утилита для панели управления агентом. Работает
// через HTTP API и WebSocket, не импортирует внутренние пакеты системы.
//
// # Ключевые компоненты
//
// ## Client
//
// HTTP-клиент для agentrun API. Инкапсулирует HTTP-запросы, парсинг
// ответов (DataResponse, ListResponse, ErrorResponse) и поток событий
// run через WebSocket (Watch).
//
//	client := cli.NewClient("http://localhost:8080")
//	id, err := client.SubmitRun("my-project", req)
//
// ## Output
//
// Форматирование вывода. Поддерживает два режима:
//   - Таблицы (text/tabwriter) — по умолчанию
//   - JSON — с флагом --json
//
// Данные выводятся в stdout, сообщения (Success/Error) — в stderr.
//
// ## Commands
//
// Cobra-команды организованы по ресурсам:
//   - run: submit, list, show, cancel, pause, resume, watch
//   - project: status
//
// Каждая группа создаётся через фабричную функцию (NewRunCmd,
// NewProjectCmd), принимающую clientFn и outputFn — замыкания для
// ленивого создания Client и Output после парсинга PersistentFlags.
package cli
