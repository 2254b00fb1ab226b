// Package cli реализует инструмент командной строки Berth.
//
// # Обзор
//
// CLI — клиентская утилита для взаимодействия с Berth API.
// Работает через HTTP, не импортирует внутренние пакеты системы.
//
// # Ключевые компоненты
//
// ## Client
//
// HTTP-клиент для Berth API. Инкапсулирует HTTP-запросы,
// парсинг ответов (data, list, error) и возвращает *APIError
// с кодом сервера.
//
//	client := cli.NewClient("http://localhost:8080")
//	batch, err := client.StartBatch(ctx, cli.CreateBatchRequest{ContainerIDs: ids})
//
// ## Output
//
// Форматирование вывода. Поддерживает два режима:
//   - Таблицы (text/tabwriter) — по умолчанию
//   - JSON — с флагом --json
//
// Данные выводятся в stdout, сообщения (Success/Error) — в stderr.
// Это позволяет использовать pipe: berth batch result ID --json | jq .
//
// ## Commands
//
//   - batch: start, show, result, attempts, cancel
//
// Группа создаётся через NewBatchCmd, принимающую clientFn и outputFn —
// замыкания для ленивого создания Client и Output после парсинга PersistentFlags.
package cli
