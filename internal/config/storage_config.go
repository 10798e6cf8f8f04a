package config

import "strconv"

// StorageConfig selects the shared key-value store. The memory driver keeps
// everything in process; redis shares state across processes and also carries
// cross-process change notifications.
type StorageConfig interface {
	GetStorageDriver() string
	GetStorageNamespace() string
	GetRedisAddr() string
	GetRedisUsername() string
	GetRedisPassword() string
	GetRedisDB() int
}

type Storage struct{}

var _ StorageConfig = Storage{}

func (Storage) GetStorageDriver() string {
	return GetEnv("STORAGE_DRIVER", "memory")
}

func (Storage) GetStorageNamespace() string {
	return GetEnv("STORAGE_NAMESPACE", "")
}

func (Storage) GetRedisAddr() string {
	return GetEnv("REDIS_ADDR", "localhost:6379")
}

func (Storage) GetRedisUsername() string {
	return GetEnv("REDIS_USERNAME", "")
}

func (Storage) GetRedisPassword() string {
	return GetEnv("REDIS_PASSWORD", "")
}

func (Storage) GetRedisDB() int {
	db, err := strconv.Atoi(GetEnv("REDIS_DB", "0"))
	if err != nil {
		return 0
	}
	return db
}
