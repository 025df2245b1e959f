package i18n

import (
	"reflect"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSetLanguage(t *testing.T) {
	t.Cleanup(func() { SetLanguage(LangEN) })

	SetLanguage("ES")
	assert.Equal(t, LangES, GetLanguage())
	assert.Equal(t, "Usuario no encontrado o sin balance disponible", M().UserNotFound)

	SetLanguage("fr")
	assert.Equal(t, LangEN, GetLanguage())
	assert.Equal(t, "Hold added Successfully", M().HoldingAdded)
}

func TestEveryMessageIsTranslated(t *testing.T) {
	for _, m := range []Messages{messagesEN, messagesES} {
		v := reflect.ValueOf(m)
		for i := 0; i < v.NumField(); i++ {
			assert.NotEmpty(t, v.Field(i).String(), v.Type().Field(i).Name)
		}
	}
}
