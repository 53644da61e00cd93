package backend

import (
	_ "github.com/ollama/modelkit/ml/backend/cpu"
)
