package models

import (
	_ "github.com/ollama/modelkit/model/models/blip"
	_ "github.com/ollama/modelkit/model/models/convnext"
)
