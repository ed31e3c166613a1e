// Package retry решает, повторять ли шаг после ошибки и с какой паузой.
//
// Повторяются только временные ошибки (TRANSIENT). PERMANENT и
// UNSUPPORTED_KIND завершают шаг сразу. MaxAttempts считает и первую
// попытку: при MaxAttempts = 3 шаг вызывается не более трёх раз.
//
// Стратегии backoff:
//   - "exponential": delay = base * 2^(attempt-1), не больше MaxDelay
//   - "fixed": delay = base
package retry
