package contract_test

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"
	"github.com/santhosh-tekuri/jsonschema/v5"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/parley-chat/parley-api/internal/dto"
	"github.com/parley-chat/parley-api/internal/handler"
	"github.com/parley-chat/parley-api/internal/models"
	"github.com/parley-chat/parley-api/internal/repository"
	"github.com/parley-chat/parley-api/internal/service"
)

func TestSendMessageContract(t *testing.T) {
	schemaPath, err := filepath.Abs(filepath.Join("..", "contracts", "message.schema.json"))
	require.NoError(t, err)

	compiler := jsonschema.NewCompiler()
	schema, err := compiler.Compile("file://" + schemaPath)
	require.NoError(t, err)

	db, err := gorm.Open(sqlite.Open("file:contract?mode=memory&cache=shared"), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&models.Message{}))

	repo := repository.NewMessageRepository(db)
	history := service.NewHistoryService(repo, nil, 0, 0, zerolog.Nop())
	validate := validator.New(validator.WithRequiredStructEnabled())
	messages := service.NewMessageService(repo, history, validate, zerolog.Nop())
	messageHandler := handler.NewMessageHandler(messages, nil, validate, zerolog.Nop())

	app := fiber.New()
	group := app.Group("/api/v1/messages", func(c *fiber.Ctx) error {
		c.Locals("user_id", "alice")
		return c.Next()
	})
	messageHandler.Register(group)

	payload, err := json.Marshal(dto.SendRequest{
		ProvisionalID: "prov-contract-1",
		ReceiverID:    "bob",
		Content:       "contract check",
	})
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/messages", bytes.NewReader(payload))
	req.Header.Set("Content-Type", "application/json")
	resp, err := app.Test(req, -1)
	require.NoError(t, err)
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	resp.Body.Close()

	var decoded interface{}
	require.NoError(t, json.Unmarshal(body, &decoded))
	require.NoError(t, schema.Validate(decoded))
}
