// Copyright 2021-2022 The gqlgate Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package core

import (
	"context"
	"time"

	"github.com/alwitt/gqlgate/common"
	"github.com/apex/log"
	"github.com/redis/go-redis/v9"
	clientv3 "go.etcd.io/etcd/client/v3"
)

// GetEtcdClient connect to the etcd cluster
func GetEtcdClient(cfg common.EtcdConfig) (*clientv3.Client, error) {
	logTags := log.Fields{"module": "core", "component": "etcd-client"}
	client, err := clientv3.New(clientv3.Config{
		Endpoints:   cfg.Endpoints,
		DialTimeout: time.Duration(cfg.DialTimeout) * time.Second,
	})
	if err != nil {
		log.WithError(err).WithFields(logTags).Errorf(
			"Unable to connect with etcd servers %s", cfg.Endpoints,
		)
		return nil, err
	}
	log.WithFields(logTags).Infof("Connected with etcd servers %s", cfg.Endpoints)
	return client, nil
}

// GetRedisClient connect to the Redis server, verifying it responds
func GetRedisClient(ctxt context.Context, cfg common.RedisConfig) (*redis.Client, error) {
	logTags := log.Fields{"module": "core", "component": "redis-client", "instance": cfg.Address}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctxt).Err(); err != nil {
		log.WithError(err).WithFields(logTags).Error("Redis server not reachable")
		_ = client.Close()
		return nil, err
	}
	log.WithFields(logTags).Info("Connected with Redis server")
	return client, nil
}
