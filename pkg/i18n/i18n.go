package i18n

import (
	"strings"
	"sync"
)

// Language type
type Language string

const (
	LangEN Language = "en"
	LangES Language = "es"
)

// Messages holds the user-facing API strings.
type Messages struct {
	// Generic
	Success            string
	SomethingWentWrong string
	BodyEmpty          string
	InvalidPayload     string
	UserIDRequired     string

	// Balance
	BalanceFieldsRequired string
	BalanceCreated        string
	UserAlreadyExists     string
	UserNotFound          string
	NoCashBalance         string

	// Holdings
	HoldingFieldsRequired string
	HoldingAdded          string
	SymbolAlreadyExists   string

	// History
	NoOperations string

	// Access
	MissingAuthHeader string
	InvalidAuthHeader string
	InvalidToken      string
	ForeignUser       string
	TooManyRequests   string
	RequestTimeout    string

	// Introspection
	MetricsDisabled string
	QueueNotFound   string
}

var (
	currentLang Language = LangEN
	mu          sync.RWMutex
	messages    *Messages
)

// English messages
var messagesEN = Messages{
	Success:            "Success",
	SomethingWentWrong: "Something went wrong",
	BodyEmpty:          "Body cannot be empty",
	InvalidPayload:     "Invalid request payload",
	UserIDRequired:     "You need to provide the userId",

	BalanceFieldsRequired: "userId and initialBalance are required",
	BalanceCreated:        "Balance created Successfully",
	UserAlreadyExists:     "User already exists",
	UserNotFound:          "User not found or has no balance",
	NoCashBalance:         "User hasn't balance",

	HoldingFieldsRequired: "userId, activeSymbol and totalStocks are required",
	HoldingAdded:          "Hold added Successfully",
	SymbolAlreadyExists:   "Symbol already exists",

	NoOperations: "No operations found",

	MissingAuthHeader: "Missing Authorization header",
	InvalidAuthHeader: "Invalid Authorization header",
	InvalidToken:      "Invalid or expired token",
	ForeignUser:       "Cannot access another user's data",
	TooManyRequests:   "Too many requests, please slow down",
	RequestTimeout:    "Request took too long to process",

	MetricsDisabled: "Metrics not enabled",
	QueueNotFound:   "Queue not found",
}

// Spanish messages
var messagesES = Messages{
	Success:            "Éxito",
	SomethingWentWrong: "Algo salió mal",
	BodyEmpty:          "El cuerpo no puede estar vacío",
	InvalidPayload:     "Cuerpo de la solicitud inválido",
	UserIDRequired:     "Debe indicar el userId",

	BalanceFieldsRequired: "userId e initialBalance son obligatorios",
	BalanceCreated:        "Balance creado correctamente",
	UserAlreadyExists:     "El usuario ya existe",
	UserNotFound:          "Usuario no encontrado o sin balance disponible",
	NoCashBalance:         "El usuario no tiene balance",

	HoldingFieldsRequired: "userId, activeSymbol y totalStocks son obligatorios",
	HoldingAdded:          "Posición agregada correctamente",
	SymbolAlreadyExists:   "El símbolo ya existe",

	NoOperations: "No se encontraron operaciones",

	MissingAuthHeader: "Falta el encabezado Authorization",
	InvalidAuthHeader: "Encabezado Authorization inválido",
	InvalidToken:      "Token inválido o expirado",
	ForeignUser:       "No puede acceder a los datos de otro usuario",
	TooManyRequests:   "Demasiadas solicitudes, reduzca la frecuencia",
	RequestTimeout:    "La solicitud tardó demasiado",

	MetricsDisabled: "Métricas no habilitadas",
	QueueNotFound:   "Cola no encontrada",
}

func init() {
	messages = &messagesEN
}

// SetLanguage sets the current language; unknown languages fall back to English.
func SetLanguage(lang Language) {
	mu.Lock()
	defer mu.Unlock()

	switch Language(strings.ToLower(string(lang))) {
	case LangES:
		currentLang = LangES
		messages = &messagesES
	default:
		currentLang = LangEN
		messages = &messagesEN
	}
}

// GetLanguage returns the current language
func GetLanguage() Language {
	mu.RLock()
	defer mu.RUnlock()
	return currentLang
}

// M returns the current messages
func M() *Messages {
	mu.RLock()
	defer mu.RUnlock()
	return messages
}
