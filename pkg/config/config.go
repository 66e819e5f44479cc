// Copyright 2024 The referd authors
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

package config

import (
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"github.com/livekit/protocol/logger"

	"github.com/sipcore/referd/pkg/errors"
)

type Config struct {
	SIPPort     int    `yaml:"sip_port"`     // announce port for SIP
	BindAddress string `yaml:"bind_address"` // local address to bind to
	UserAgent   string `yaml:"user_agent"`

	// TransferContext is the dialplan context blind transfer targets are
	// resolved in when the REFER does not carry one.
	TransferContext string `yaml:"transfer_context"`

	// Dialplan maps context names to the extensions they contain.
	Dialplan map[string][]string `yaml:"dialplan"`

	// Users maps usernames to digest auth passwords. Empty means no auth.
	Users map[string]string `yaml:"users"`

	// MaxSubscriptionAge bounds how long a transfer subscription may stay
	// active before it is torn down, in seconds. Zero means no bound.
	MaxSubscriptionAge int `yaml:"max_subscription_age"`

	PrometheusPort int `yaml:"prometheus_port"`

	// TLS enables an additional TLS signaling listener.
	TLS *TLSConfig `yaml:"tls"`

	Logging logger.Config `yaml:"logging"`

	// internal
	ServiceName string `yaml:"-"`
	NodeID      string // Do not provide, will be overwritten
}

type TLSConfig struct {
	Port     int    `yaml:"port"` // announce port for SIP over TLS
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
	// CAFile, when set, requires peers to present a certificate signed by
	// one of these roots.
	CAFile string `yaml:"ca_file"`
}

func NewConfig(confString string) (*Config, error) {
	conf := &Config{
		SIPPort:         5060,
		BindAddress:     "0.0.0.0",
		UserAgent:       "referd",
		TransferContext: "default",
		ServiceName:     "referd",
	}
	if confString != "" {
		if err := yaml.Unmarshal([]byte(confString), conf); err != nil {
			return nil, errors.ErrCouldNotParseConfig(err)
		}
	}
	return conf, nil
}

func (conf *Config) Init() error {
	conf.NodeID = "RF_" + uuid.NewString()[:12]

	if err := conf.InitLogger(); err != nil {
		return err
	}

	return nil
}

func (c *Config) InitLogger(values ...interface{}) error {
	zl, err := logger.NewZapLogger(&c.Logging)
	if err != nil {
		return err
	}

	values = append(c.GetLoggerValues(), values...)
	l := zl.WithValues(values...)
	logger.SetLogger(l, c.ServiceName)

	return nil
}

// To use with zap logger
func (c *Config) GetLoggerValues() []interface{} {
	return []interface{}{"nodeID", c.NodeID}
}

// To use with logrus
func (c *Config) GetLoggerFields() logrus.Fields {
	fields := logrus.Fields{
		"logger": c.ServiceName,
	}
	v := c.GetLoggerValues()
	for i := 0; i < len(v); i += 2 {
		fields[v[i].(string)] = v[i+1]
	}

	return fields
}
