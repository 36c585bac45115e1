package infra

const (
	// RedisNamespace Базовый префикс для изоляции данных проекта в Redis
	RedisNamespace = "able"
)

// Ключи для Sets (состояние)
const (
	RedisKeyRevokedIssuers = RedisNamespace + ":issuers:revoked_set"
)

// Каналы Pub/Sub (события). Формат сообщения: "issuer:on" / "issuer:off".
const (
	RedisChanRevocation = RedisNamespace + ":issuers:revocation-signal"
)
