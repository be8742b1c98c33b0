package config

import (
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"project-permission-service/internal/utils/runtime"
	"strings"
	"time"
)

const (
	kafkaHostFlag   = "kafka-host"
	kafkaPortFlag   = "kafka-port"
	mongoDBURIFlag  = "mongodb-uri"
	redisAddrFlag   = "redis-addr"
	developmentFlag = "development"
	grpcPortFlag    = "port"
	httpPortFlag    = "http-port"
	catalogFlag     = "permission-catalog"

	roleTTLFlag      = "cache-role-ttl"
	rolesTTLFlag     = "cache-project-roles-ttl"
	userRolesTTLFlag = "cache-user-roles-ttl"
	userPermsTTLFlag = "cache-user-perms-ttl"
	checkTTLFlag     = "cache-check-ttl"
)

type Config struct {
	Kafka   KafkaConfig
	MongoDB MongoDBConfig
	Redis   RedisConfig
	Cache   CacheConfig

	Development bool

	GRPCPort int
	HTTPPort int

	// CatalogPath overrides the embedded permission catalog when set.
	CatalogPath string
}

type KafkaConfig struct {
	Host string
	Port int
}

type MongoDBConfig struct {
	URI string
}

type RedisConfig struct {
	Addr string
}

type CacheConfig struct {
	RoleTTL            time.Duration
	ProjectRolesTTL    time.Duration
	UserRolesTTL       time.Duration
	UserPermissionsTTL time.Duration
	PermissionCheckTTL time.Duration
}

func LoadGlobalConfig() Config {
	viper.SetDefault(kafkaHostFlag, "localhost")
	viper.SetDefault(kafkaPortFlag, 9092)
	viper.SetDefault(mongoDBURIFlag, "mongodb://localhost:27017")
	viper.SetDefault(redisAddrFlag, "localhost:6379")
	viper.SetDefault(developmentFlag, true)
	viper.SetDefault(grpcPortFlag, 10010)
	viper.SetDefault(httpPortFlag, 8080)
	viper.SetDefault(catalogFlag, "")

	viper.SetDefault(roleTTLFlag, 15*time.Minute)
	viper.SetDefault(rolesTTLFlag, 15*time.Minute)
	viper.SetDefault(userRolesTTLFlag, 15*time.Minute)
	viper.SetDefault(userPermsTTLFlag, 5*time.Minute)
	viper.SetDefault(checkTTLFlag, time.Hour)

	pflag.String(kafkaHostFlag, viper.GetString(kafkaHostFlag), "Kafka host")
	pflag.Int32(kafkaPortFlag, viper.GetInt32(kafkaPortFlag), "Kafka port")
	pflag.String(mongoDBURIFlag, viper.GetString(mongoDBURIFlag), "MongoDB URI")
	pflag.String(redisAddrFlag, viper.GetString(redisAddrFlag), "Redis address")
	pflag.Bool(developmentFlag, viper.GetBool(developmentFlag), "Development mode")
	pflag.Int32(grpcPortFlag, viper.GetInt32(grpcPortFlag), "gRPC port")
	pflag.Int32(httpPortFlag, viper.GetInt32(httpPortFlag), "HTTP port")
	pflag.String(catalogFlag, viper.GetString(catalogFlag), "Path to a permission catalog YAML file")

	pflag.Duration(roleTTLFlag, viper.GetDuration(roleTTLFlag), "TTL of cached single roles")
	pflag.Duration(rolesTTLFlag, viper.GetDuration(rolesTTLFlag), "TTL of cached project role lists")
	pflag.Duration(userRolesTTLFlag, viper.GetDuration(userRolesTTLFlag), "TTL of cached user role lists")
	pflag.Duration(userPermsTTLFlag, viper.GetDuration(userPermsTTLFlag), "TTL of cached effective permissions")
	pflag.Duration(checkTTLFlag, viper.GetDuration(checkTTLFlag), "TTL of cached permission check results")
	pflag.Parse()

	runtime.Must(viper.BindPFlags(pflag.CommandLine))

	// Bind the viper flags to environment variables
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	for _, key := range []string{
		kafkaHostFlag, kafkaPortFlag, mongoDBURIFlag, redisAddrFlag, developmentFlag, grpcPortFlag,
		httpPortFlag, catalogFlag, roleTTLFlag, rolesTTLFlag, userRolesTTLFlag, userPermsTTLFlag, checkTTLFlag,
	} {
		runtime.Must(viper.BindEnv(key))
	}

	return Config{
		Kafka: KafkaConfig{
			Host: viper.GetString(kafkaHostFlag),
			Port: int(viper.GetInt32(kafkaPortFlag)),
		},
		MongoDB: MongoDBConfig{
			URI: viper.GetString(mongoDBURIFlag),
		},
		Redis: RedisConfig{
			Addr: viper.GetString(redisAddrFlag),
		},
		Cache: CacheConfig{
			RoleTTL:            viper.GetDuration(roleTTLFlag),
			ProjectRolesTTL:    viper.GetDuration(rolesTTLFlag),
			UserRolesTTL:       viper.GetDuration(userRolesTTLFlag),
			UserPermissionsTTL: viper.GetDuration(userPermsTTLFlag),
			PermissionCheckTTL: viper.GetDuration(checkTTLFlag),
		},
		Development: viper.GetBool(developmentFlag),
		GRPCPort:    int(viper.GetInt32(grpcPortFlag)),
		HTTPPort:    int(viper.GetInt32(httpPortFlag)),
		CatalogPath: viper.GetString(catalogFlag),
	}
}
