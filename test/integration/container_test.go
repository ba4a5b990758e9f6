package integration

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"net/url"
	"os/exec"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
)

// postgresContainer describes the throwaway database the suite starts when
// TEST_DATABASE_URL is unset.
type postgresContainer struct {
	Image    string
	User     string
	Password string
	Database string
	Ready    time.Duration
}

// start runs the image with its data directory on tmpfs and durability off,
// lets docker publish 5432 on a random host port and waits for the server.
// The returned stop func removes the container.
func (p postgresContainer) start(ctx context.Context) (string, func(), error) {
	out, err := exec.CommandContext(ctx, "docker", "run", "-d", "--rm",
		"--label", "his.integration=true",
		"-P",
		"--tmpfs", "/var/lib/postgresql/data",
		"-e", "POSTGRES_USER="+p.User,
		"-e", "POSTGRES_PASSWORD="+p.Password,
		"-e", "POSTGRES_DB="+p.Database,
		p.Image,
		"-c", "fsync=off",
		"-c", "synchronous_commit=off",
		"-c", "max_connections=100",
	).CombinedOutput()
	if err != nil {
		return "", nil, fmt.Errorf("docker run %s: %w: %s", p.Image, err, bytes.TrimSpace(out))
	}
	id := strings.TrimSpace(string(out))
	stop := func() { _ = exec.Command("docker", "stop", id).Run() }

	host, err := publishedAddr(ctx, id)
	if err != nil {
		stop()
		return "", nil, err
	}

	dsn := (&url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(p.User, p.Password),
		Host:     host,
		Path:     p.Database,
		RawQuery: "sslmode=disable",
	}).String()
	if err := awaitReady(ctx, dsn, p.Ready); err != nil {
		stop()
		return "", nil, err
	}
	return dsn, stop, nil
}

// publishedAddr asks docker where 5432 of container id was published.
func publishedAddr(ctx context.Context, id string) (string, error) {
	out, err := exec.CommandContext(ctx, "docker", "port", id, "5432/tcp").Output()
	if err != nil {
		return "", fmt.Errorf("docker port %s: %w", id, err)
	}
	// one line per address family, e.g. "0.0.0.0:49153"
	first, _, _ := strings.Cut(strings.TrimSpace(string(out)), "\n")
	_, port, err := net.SplitHostPort(strings.TrimSpace(first))
	if err != nil {
		return "", fmt.Errorf("parse docker port output %q: %w", first, err)
	}
	return net.JoinHostPort("127.0.0.1", port), nil
}

// awaitReady polls until the server answers a ping. The image's init server
// listens on the unix socket only, so the first TCP answer is the real one.
func awaitReady(ctx context.Context, dsn string, within time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, within)
	defer cancel()
	tick := time.NewTicker(250 * time.Millisecond)
	defer tick.Stop()

	var lastErr error
	for {
		conn, err := pgx.Connect(ctx, dsn)
		if err == nil {
			err = conn.Ping(ctx)
			_ = conn.Close(context.Background())
			if err == nil {
				return nil
			}
		}
		lastErr = err
		select {
		case <-ctx.Done():
			return fmt.Errorf("postgres not ready after %s: %w", within, lastErr)
		case <-tick.C:
		}
	}
}
