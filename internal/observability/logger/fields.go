package logger

import (
	"time"

	"go.uber.org/zap"
)

// Campos estándar del dominio. Usar siempre estos helpers en vez de
// zap.String suelto para mantener nombres de campo consistentes.

// TenantID crea un campo para el ID del tenant.
func TenantID(v string) zap.Field {
	return zap.String("tenant_id", v)
}

// SubjectID crea un campo para el sujeto (end-user o admin).
func SubjectID(v string) zap.Field {
	return zap.String("subject_id", v)
}

// SessionID crea un campo para el ID de sesión.
func SessionID(v string) zap.Field {
	return zap.String("session_id", v)
}

// KID crea un campo para el key ID.
func KID(v string) zap.Field {
	return zap.String("kid", v)
}

// Component crea un campo para el componente/módulo.
func Component(v string) zap.Field {
	return zap.String("component", v)
}

// Op crea un campo para la operación actual.
func Op(v string) zap.Field {
	return zap.String("op", v)
}

// Err crea un campo para un error.
func Err(err error) zap.Field {
	return zap.Error(err)
}

// Count crea un campo para un conteo.
func Count(v int) zap.Field {
	return zap.Int("count", v)
}

// Duration crea un campo para una duración.
func Duration(v time.Duration) zap.Field {
	return zap.Duration("duration", v)
}

// ClientIP crea un campo para la IP del cliente.
func ClientIP(v string) zap.Field {
	return zap.String("client_ip", v)
}

// Reason crea un campo para la causa interna de un fallo de validación
// (nunca se expone al caller, solo se loguea).
func Reason(v string) zap.Field {
	return zap.String("reason", v)
}
