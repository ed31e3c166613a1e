// Package executor выполняет отдельные шаги агента.
//
// # Executor
//
// Интерфейс для выполнения конкретного kind шага:
//
//	type Executor interface {
//	    Kind() string
//	    Execute(ctx context.Context, req *Request) (*Result, error)
//	}
//
// Реализации:
//   - HTTPExecutor — вызов инструмента по HTTP
//   - DelayExecutor — ожидание
//   - TransformExecutor — шаг рассуждения: возвращает данные и, возможно, следующий шаг
//
// # Registry
//
// Таблица executor'ов, заполняется при старте процесса. Registry.Execute
// превращает результат попытки в domain.Outcome:
//
//   - успех → Result + Next
//   - Transient(err) или неклассифицированная ошибка → TRANSIENT
//   - Permanent(err), паника → PERMANENT
//   - неизвестный kind → UNSUPPORTED_KIND
//
// Retry здесь не выполняется, им управляет RunMachine через retry.Policy.
package executor
