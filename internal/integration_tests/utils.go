//go:build integration

package integrationtests

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"image/png"
	"log"
	"testing"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/minio"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/modules/rabbitmq"
	"github.com/testcontainers/testcontainers-go/wait"
	"gorm.io/gorm"

	"image-analysis-backend/internal/database"
	"image-analysis-backend/pkg/api"
)

const (
	minioUsername = "admin"
	minioPassword = "password"
)

func terminate(container testcontainers.Container, name string) {
	if err := container.Terminate(context.Background()); err != nil {
		log.Printf("failed to terminate %s container: %v", name, err)
	}
}

func setupMinioContainer(t *testing.T, ctx context.Context) string {
	minioContainer, err := minio.Run(
		ctx,
		"minio/minio:RELEASE.2024-01-16T16-07-38Z",
		minio.WithUsername(minioUsername),
		minio.WithPassword(minioPassword),
	)
	require.NoError(t, err, "Failed to start MinIO container")
	t.Cleanup(func() { terminate(minioContainer, "minio") })

	connStr, err := minioContainer.ConnectionString(ctx)
	require.NoError(t, err, "Failed to get MinIO connection string")

	return "http://" + connStr
}

func setupPostgresContainer(t *testing.T, ctx context.Context) string {
	dbName, dbUser, dbPassword := "test_db", "test_user", "test_password"

	postgresContainer, err := postgres.Run(ctx,
		"postgres:16-alpine",
		postgres.WithDatabase(dbName),
		postgres.WithUsername(dbUser),
		postgres.WithPassword(dbPassword),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second)),
	)
	require.NoError(t, err, "Failed to start PostgreSQL container")
	t.Cleanup(func() { terminate(postgresContainer, "postgres") })

	connStr, err := postgresContainer.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err, "Failed to get PostgreSQL connection string")

	return connStr
}

func setupRabbitMQContainer(t *testing.T, ctx context.Context) string {
	rabbitmqContainer, err := rabbitmq.RunContainer(ctx,
		testcontainers.WithImage("rabbitmq:3.11-management"),
	)
	require.NoError(t, err, "Failed to start RabbitMQ container")
	t.Cleanup(func() { terminate(rabbitmqContainer, "rabbitmq") })

	connStr, err := rabbitmqContainer.AmqpURL(ctx)
	require.NoError(t, err, "Failed to get RabbitMQ AMQP URL")

	return connStr
}

func createDB(t *testing.T, ctx context.Context) *gorm.DB {
	db, err := database.NewDatabase(setupPostgresContainer(t, ctx))
	require.NoError(t, err)
	return db
}

func solidPNG(t *testing.T, w, h int, c color.Color) []byte {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, c)
		}
	}

	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func uploadImage(t *testing.T, client *resty.Client, filename string, data []byte, userId string) api.SubmitResponse {
	var submitted api.SubmitResponse
	res, err := client.R().
		SetMultipartField("file", filename, "image/png", bytes.NewReader(data)).
		SetFormData(map[string]string{"user_id": userId}).
		SetResult(&submitted).
		Post("/analyze-image")
	require.NoError(t, err)
	require.Equal(t, 200, res.StatusCode(), res.String())

	return submitted
}

func waitForStatus(t *testing.T, client *resty.Client, requestId string, status string) api.StatusResponse {
	var current api.StatusResponse
	require.Eventually(t, func() bool {
		res, err := client.R().SetResult(&current).Get("/status/" + requestId)
		return err == nil && res.StatusCode() == 200 && current.Status == status
	}, 30*time.Second, 100*time.Millisecond, "request %s never reached %s", requestId, status)

	return current
}
