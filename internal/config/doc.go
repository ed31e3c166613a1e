// Package config загружает конфигурацию agentrun.
//
// Порядок: значения по умолчанию → YAML файл (если указан) →
// переменные окружения. Переменные окружения:
//
//	AGENTRUN_CONFIG — путь к YAML файлу (читает cmd/agentrun)
//	API_PORT      — порт HTTP API (default: 8080)
//	STORE_DRIVER  — memory | postgres | sqlite (default: memory)
//	DB_URL        — DSN PostgreSQL
//	SQLITE_PATH   — путь к файлу SQLite
//	RABBITMQ_URL  — URL RabbitMQ; пустой — без MQ
//	REDIS_ADDR    — адрес Redis; пустой — без Redis
//	LOG_LEVEL     — DEBUG | INFO | WARN | ERROR
//	LOG_FORMAT    — json | text
package config
