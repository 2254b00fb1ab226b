// Package orchestrator управляет выполнением пакетных runs.
//
// Orchestrator отвечает за:
//   - Идемпотентное создание run по ключу runID
//   - Запуск одной activity на каждый уникальный контейнер, конкурентно
//   - Отслеживание outcomes и финализацию run (COMPLETED/FAILED)
//   - Отмену run и остановку процесса без потери прогресса
//   - Возобновление незавершённых runs после рестарта по журналу попыток
//
// Результат run — список outcomes в порядке контейнеров при старте;
// повторяющиеся контейнеры разделяют одну activity. Упавшие activities
// не делают run FAILED: FAILED означает сбой оркестратора или отмену.
//
// Orchestrator — это "мозг" системы, который координирует выполнение.
package orchestrator
