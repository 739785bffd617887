// Copyright 2024 The hpfeeds-go Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.


package connector

import (
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// startNATSServer runs a nats-server binary if one is installed.
func startNATSServer(t *testing.T) string {
	t.Helper()
	if _, err := exec.LookPath("nats-server"); err != nil {
		t.Skip("nats-server not found in PATH, skipping test")
	}
	addr := freeAddr(t)
	port := addr[strings.LastIndex(addr, ":")+1:]
	if _, err := strconv.Atoi(port); err != nil {
		t.Fatalf("bad port in %s", addr)
	}
	cmd := exec.Command("nats-server", "-a", "127.0.0.1", "-p", port)
	require.NoError(t, cmd.Start())
	t.Cleanup(func() {
		_ = cmd.Process.Kill()
		_ = cmd.Wait()
	})
	return fmt.Sprintf("nats://%s", addr)
}

func TestNATSSink_Publish(t *testing.T) {
	url := startNATSServer(t)

	var nc *nats.Conn
	require.Eventually(t, func() bool {
		var err error
		nc, err = nats.Connect(url)
		return err == nil
	}, 5*time.Second, 50*time.Millisecond)
	defer nc.Close()

	sub, err := nc.SubscribeSync("hpfeeds.>")
	require.NoError(t, err)
	require.NoError(t, nc.Flush())

	s, err := NewNATSSink(Config{URL: url})
	require.NoError(t, err)
	defer s.Close()
	require.NoError(t, s.Write(context.Background(), testEvents()))

	for _, want := range []string{"hpfeeds.malware", "hpfeeds.log", "hpfeeds.bin"} {
		msg, err := sub.NextMsg(2 * time.Second)
		require.NoError(t, err)
		assert.Equal(t, want, msg.Subject)
		var e Event
		require.NoError(t, json.Unmarshal(msg.Data, &e))
	}
}

func TestNATSToken(t *testing.T) {
	assert.Equal(t, "malware", natsToken("malware"))
	assert.Equal(t, "dionaea_capture", natsToken("dionaea.capture"))
	assert.Equal(t, "a_b_c_d", natsToken("a*b>c d"))
	assert.Equal(t, "_", natsToken(""))

	s := &NATSSink{prefix: "feeds"}
	assert.Equal(t, "feeds.x_y", s.Subject("x.y"))
}

func TestNATSSink_Unreachable(t *testing.T) {
	_, err := NewNATSSink(Config{URL: "nats://" + freeAddr(t), Timeout: 200 * time.Millisecond})
	assert.Error(t, err)
}
