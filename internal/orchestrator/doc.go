// Package orchestrator выполняет runs агента.
//
// Scheduler отвечает за:
//   - Приём задач и проверку лимитов (глобальный и на проект)
//   - Очередь runs, которые ждут свободного слота
//   - Выполнение шагов по одному, с retry через retry.Policy
//   - Запись каждого шага в хранилище до публикации события
//   - Отмену runs на границе шага
//   - Восстановление незавершённых runs после рестарта
//
// RunMachine хранит состояние одного run: текущий шаг, очередь
// следующих действий и флаг отмены. Переходы статусов проверяются
// через domain.RunStatus.CanTransitionTo.
package orchestrator
