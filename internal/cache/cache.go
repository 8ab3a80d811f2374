// Package cache provee un cache de bytes con TTL, multi-backend.
//
// Soporta:
//   - memory (in-process, go-cache; desarrollo y single-node)
//   - redis (distribuido; producción multi-réplica)
//
// Se usa para dos cosas en este servicio: el cache corto de lectura de
// JWKS/claves públicas y los tombstones de hashes de refresh retirados.
package cache

import "time"

type Cache interface {
	Get(key string) (value []byte, ok bool)
	Set(key string, value []byte, ttl time.Duration)
	Delete(key string)
}
