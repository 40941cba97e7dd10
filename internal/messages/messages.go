// Package messages is the single outbound copy catalog, collapsing what
// the source scattered across several overlapping template modules into
// one place keyed by message purpose.
package messages

import (
	"fmt"
	"time"
)

const (
	ConsentPromptLine1 = "¡Hola! Soy el asistente que te conecta con proveedores de servicios verificados cerca de ti."
	ConsentPromptLine2 = "Para continuar necesito tu consentimiento para compartir tu número con el proveedor que elijas. ¿Aceptas? Responde 1 (sí) o 2 (no)."
	ConsentDeclined    = "Entendido, no compartiremos tu información. Si cambias de opinión, escribe en cualquier momento."
	ConsentAmbiguous   = "No entendí tu respuesta. Responde 1 (sí) o 2 (no)."

	InitialServicePrompt = "Cuéntame qué problema tienes o qué servicio necesitas (por ejemplo: \"tengo una fuga en el baño\")."
	ServiceRejected      = "No logré identificar un problema o servicio concreto. ¿Puedes describirlo con un poco más de detalle?"

	SafetyReformulation = "No entendí bien tu mensaje. ¿Puedes describir el servicio que necesitas con otras palabras?"
	SafetyWarning       = "Tu mensaje no cumple con nuestras normas de uso. Una segunda infracción resultará en un bloqueo temporal."

	AskCity          = "¿En qué ciudad necesitas el servicio?"
	CityNotRecognized = "No reconozco esa ciudad todavía. ¿Puedes escribirla de otra forma?"

	ConfirmServiceAmbiguous = "¿Confirmas que necesitas este servicio? Responde 1 (sí) o 2 (no)."

	SearchingAck = "Buscando proveedores disponibles cerca de ti, dame un momento..."

	NoProvidersAvailable = "No encontramos proveedores disponibles en este momento. ¿Qué deseas hacer?"

	PresentingResultsReset    = "Selección inválida. Responde con un número de la lista, o escribe \"nueva búsqueda\"."
	ProviderDetailBack        = "Aquí tienes la lista de nuevo:"
	ProviderDetailExit        = "De acuerdo, dime qué otro servicio necesitas."
	ConfirmNewSearchMenu      = "¿Qué deseas hacer ahora? 1) Buscar en otra ciudad  2) Buscar otro servicio  3) Terminar"
	ConfirmNewSearchInvalid   = "No entendí tu elección. Responde 1, 2 o 3."
	ConfirmNewSearchAutoReset = "No logramos entender tu respuesta varias veces, así que reiniciamos la conversación."

	SessionRestarted = "Han pasado varios minutos, así que reiniciamos la conversación."
	ResetAck         = "Conversación reiniciada."

	TryAgain = "Tuvimos un problema momentáneo. ¿Puedes intentarlo de nuevo?"

	ErrorRecovery = "Algo salió mal de nuestro lado. Empecemos de nuevo."
)

// ProviderListHeader renders the numbered list intro for presenting results.
func ProviderListHeader(count int) string {
	return fmt.Sprintf("Encontré %d proveedor(es) disponible(s). Responde con el número para ver más detalles.", count)
}

// ProviderLine renders one numbered entry in the presented list.
func ProviderLine(idx int, name string, rating float64) string {
	return fmt.Sprintf("%d. %s (%.1f★)", idx, name, rating)
}

// ProviderDetail renders the detail view for a single candidate.
func ProviderDetail(name, profession string, experienceYears int, rating float64) string {
	return fmt.Sprintf(
		"*%s* — %s\nExperiencia: %d años\nCalificación: %.1f★\n\n1) Elegir este proveedor  2) Volver a la lista  3) Salir",
		name, profession, experienceYears, rating,
	)
}

// BanMessage formats the ban notice with the local-time reinstatement hour.
func BanMessage(expiresAt time.Time) string {
	return fmt.Sprintf("Has sido bloqueado temporalmente por incumplir nuestras normas de uso. Podrás volver a escribir a partir de las %s.", expiresAt.Format("15:04"))
}
