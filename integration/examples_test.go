//go:build integration

package integration

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
)

type ExampleSuite struct {
	suite.Suite
	repoRoot string
}

func (s *ExampleSuite) SetupSuite() {
	if os.Getenv("MULTIRAIL_TEST_EXAMPLES") == "" {
		s.T().Skip("set MULTIRAIL_TEST_EXAMPLES=1 to run example integration tests")
	}
	root, err := detectRepoRoot()
	require.NoError(s.T(), err, "locate repository root")
	s.repoRoot = root
}

func (s *ExampleSuite) TestLoopbackBasic() {
	out := s.run([]string{"./examples/loopback_basic"}, nil)
	s.Contains(out, "closed")
}

func (s *ExampleSuite) TestLoopbackBasicFourRails() {
	out := s.run([]string{"./examples/loopback_basic"}, []string{"MULTIRAIL_EXAMPLE_RAILS=4"})
	s.Contains(out, "over 4 rails")
}

func (s *ExampleSuite) TestRailctlBench() {
	out := s.run([]string{"./cmd/railctl", "bench", "--iterations", "8", "--size", "262144", "--rails", "2"},
		[]string{"MULTIRAIL_LOG_LEVEL=warn"})
	s.Contains(out, "messages: 8")
}

func (s *ExampleSuite) run(args []string, extraEnv []string) string {
	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	cmd := exec.CommandContext(ctx, "go", append([]string{"run"}, args...)...)
	cmd.Env = append(os.Environ(), extraEnv...)
	cmd.Dir = s.repoRoot

	output, err := cmd.CombinedOutput()
	if ctx.Err() == context.DeadlineExceeded {
		s.FailNowf("example timeout", "%v timed out:\n%s", args, string(output))
	}
	require.NoErrorf(s.T(), err, "%v failed:\n%s", args, string(output))
	return string(output)
}

func detectRepoRoot() (string, error) {
	root, err := os.Getwd()
	if err != nil {
		return "", err
	}

	for {
		if _, err := os.Stat(filepath.Join(root, "go.mod")); err == nil {
			return root, nil
		}
		next := filepath.Dir(root)
		if next == root {
			return "", fmt.Errorf("could not locate repository root containing go.mod")
		}
		root = next
	}
}

func TestExamples(t *testing.T) {
	suite.Run(t, new(ExampleSuite))
}
