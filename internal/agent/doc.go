// Package agent — фасад оркестрации для внешних адаптеров (HTTP, CLI, MQ).
//
// Service объединяет Scheduler, хранилище и Hub событий:
//
//   - Submit, Cancel, Status — делегируют Scheduler'у;
//   - List, ProjectStatus — чтение истории проекта из хранилища;
//   - Events — поток событий run, который можно начать с любого
//     индекса шага.
//
// Поток событий сначала отдаёт записанные шаги из хранилища, затем
// живые события из Hub. Подписка на Hub оформляется до чтения
// хранилища, поэтому события не теряются; дубликаты отсекаются по
// индексу шага. Если подписчик отстал, поток перечитывает хранилище и
// продолжает с последнего отданного шага.
package agent
